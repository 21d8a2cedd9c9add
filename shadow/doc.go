/*Package shadow synchronizes a device's twin document with the service.

The sync workflow runs on a provisioned session: it deletes any stale twin
document, publishes the desired state with a fresh client token, applies
the delta the service sends back, and reports the updated state. Deltas
are version gated so stale notifications never regress local state.
*/
package shadow
