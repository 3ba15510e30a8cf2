package breakglass

import (
	"fmt"

	"github.com/ppiankov/impetus/internal/lock"
)

// Authorize consumes tokenID for a revert of regionID and returns the grant
// the lock registry requires. A nil store authorizes nothing.
func Authorize(store *Store, tokenID, regionID string) (*lock.Grant, error) {
	if store == nil {
		return nil, fmt.Errorf("breakglass: no token store configured")
	}
	token, err := store.Consume(tokenID, regionID)
	if err != nil {
		return nil, err
	}
	return &lock.Grant{TokenID: token.ID, Reason: token.Reason}, nil
}
