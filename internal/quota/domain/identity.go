package domain

import (
	"net/netip"
	"strings"

	"github.com/smallbiznis/quotaguard/internal/apperror"
)

const maxUserIDLength = 128

// Identity is the caller key for quota purposes: a user id or a network
// address, never both.
type Identity struct {
	UserID         string `json:"user_id,omitempty"`
	NetworkAddress string `json:"network_address,omitempty"`
}

func UserIdentity(userID string) Identity {
	return Identity{UserID: strings.TrimSpace(userID)}
}

// AddressIdentity normalizes the address so IPv4-mapped and zoned forms of the
// same host share a counter.
func AddressIdentity(address string) Identity {
	address = strings.TrimSpace(address)
	if addr, err := netip.ParseAddr(address); err == nil {
		address = addr.Unmap().WithZone("").String()
	}
	return Identity{NetworkAddress: address}
}

func (i Identity) Validate() error {
	hasUser := i.UserID != ""
	hasAddr := i.NetworkAddress != ""
	switch {
	case hasUser && hasAddr:
		return apperror.NewValidation("identity", "invalid_identity", "identity must be a user id or a network address, not both")
	case !hasUser && !hasAddr:
		return apperror.NewValidation("identity", "invalid_identity", "identity is empty")
	case hasUser:
		if len(i.UserID) > maxUserIDLength || strings.ContainsAny(i.UserID, " \t\r\n") {
			return apperror.NewValidation("user_id", "invalid_user_id", "malformed user id")
		}
	default:
		if _, err := netip.ParseAddr(i.NetworkAddress); err != nil {
			return apperror.NewValidation("network_address", "invalid_network_address", "malformed network address")
		}
	}
	return nil
}

func (i Identity) IsAnonymous() bool {
	return i.UserID == "" && i.NetworkAddress != ""
}

// Key is the storage key, prefixed so user ids and addresses never collide.
func (i Identity) Key() string {
	if i.UserID != "" {
		return "user:" + i.UserID
	}
	return "addr:" + i.NetworkAddress
}

func (i Identity) String() string { return i.Key() }
