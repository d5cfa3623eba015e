package mcp

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// SupportedProtocolVersion is the triple this server implements.
var SupportedProtocolVersion = ProtocolVersion{Major: 2024, Minor: 11, Patch: 5}

func (v ProtocolVersion) semver() *semver.Version {
	return semver.New(uint64(v.Major), uint64(v.Minor), uint64(v.Patch), "", "")
}

func (v ProtocolVersion) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// negotiateProtocolVersion compares the client's requested triple against
// the server's supported triple. The server always responds with its own
// version (spec §6); when the major version differs, negotiation is
// considered incompatible and the mismatch is surfaced in `instructions`
// rather than rejecting the handshake outright.
func negotiateProtocolVersion(client ProtocolVersion) (server ProtocolVersion, instructions string) {
	server = SupportedProtocolVersion

	clientV := client.semver()
	serverV := server.semver()

	if clientV.Major() != serverV.Major() {
		return server, fmt.Sprintf(
			"client requested protocol version %s, server supports %s; major versions differ, some methods may be unavailable",
			client, server,
		)
	}
	if clientV.GreaterThan(serverV) {
		return server, fmt.Sprintf(
			"client requested protocol version %s newer than server's %s; proceeding with reduced guarantees",
			client, server,
		)
	}
	return server, ""
}
