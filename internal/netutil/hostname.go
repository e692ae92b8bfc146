// Package netutil collects small address-formatting helpers used by
// pbft to build peer dial addresses.
package netutil

import "fmt"

// GetHostname joins a host and port into a dial address. An empty host
// binds to all interfaces, matching net.Listen("tcp", GetHostname("", port)).
func GetHostname(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}
