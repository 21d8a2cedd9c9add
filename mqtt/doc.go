/*Package mqtt defines the transport session used by the provisioning and
shadow workflows, and provides an implementation backed by the Eclipse Paho
MQTT client.

The workflows never talk to a broker directly. They operate on a Session,
which offers subscribe, unsubscribe, publish and a single-step message pump
(ProcessOnce). Inbound publishes are delivered to the message handler that
was registered when the session was established; ProcessOnce blocks until at
least one inbound publish has been dispatched to that handler, or until the
context expires.

Connection establishment is the job of the Connector, which knows how to
dial with the temporary claim credentials and, later, with the permanent
identity obtained from provisioning.
*/
package mqtt
