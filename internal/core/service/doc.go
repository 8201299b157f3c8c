// Package service provides the domain services of the party directory.
//
// Directory owns the authoritative party table and serializes every
// mutation: validate, commit, persist, fan out, reply. InviteRegistry
// tracks pending invitations with expiry timers; BookingRegistry is the
// TTL-based recruitment board. All three are independent of the wire
// layer and are driven by the directory server.
package service
