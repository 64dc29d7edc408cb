// internal/model/subscriber.go
package model

import (
	"time"

	"github.com/google/uuid"
)

type Subscriber struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Email     string    `db:"email" json:"email"`
	Phone     string    `db:"phone" json:"phone"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// Selection picks the subscribers a dispatch run pages through. An explicit
// id list wins; otherwise every subscriber created no later than
// CreatedBefore matches.
type Selection struct {
	SubscriberIDs []uuid.UUID `json:"subscriberIds,omitempty"`
	CreatedBefore time.Time   `json:"createdBefore"`
}

func (s Selection) IsExplicit() bool {
	return len(s.SubscriberIDs) > 0
}
