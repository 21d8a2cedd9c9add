/*Package emulator runs a local MQTT broker that answers fleet
provisioning and twin traffic the way the cloud service does.

It exists so devices can be developed and tested without a cloud account:
CreateKeysAndCertificate and RegisterThing requests are answered with
generated identity material, and each thing gets an in-memory twin
document with versioned delta notifications.
*/
package emulator
