// Package domain defines the core domain models for PartyMesh.
//
// Domain models are pure value objects and entities without any
// IO dependencies or framework coupling:
//
//   - Party: the authoritative group entity with member slots and policies
//   - MemberRef: a weak reference to a character hosted by a world process
//   - BookingAd: a time-limited recruitment advertisement
//   - DomainError: structured business errors with stable codes
package domain
