/*Package fleetprov implements the fleet provisioning workflow that takes a
device from a factory claim credential to a permanent identity.

The workflow connects with the claim certificate, asks the service to
create a key pair and certificate, activates the certificate by
registering the device against a provisioning template, persists the
resulting identity material, and reconnects with the permanent identity.
The whole sequence is retried as a unit; a device that already holds a
persisted identity skips provisioning entirely.
*/
package fleetprov
