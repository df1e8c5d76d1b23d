/*
Package api is the control plane's HTTP surface.

Every response uses one envelope: {success, data?, error?, meta}. Error
kinds from the core map onto stable HTTP statuses and code strings, so
clients switch on the code, never on message text. Caller identity comes
from a stub header middleware; deployments terminate real authentication
at their gateway.
*/
package api
