package ordersync

import (
	"strings"
	"time"

	"github.com/cristalhq/base64"
)

const cursorSeparator = "|"

// PageCursor marks the last row of a page in updatedAt DESC, id DESC order.
type PageCursor struct {
	UpdatedAt time.Time
	ID        string
}

func EncodeCursor(c PageCursor) string {
	raw := c.UpdatedAt.UTC().Format(time.RFC3339Nano) + cursorSeparator + c.ID
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

func DecodeCursor(cursor string) (PageCursor, error) {
	cursor = strings.TrimSpace(cursor)
	if cursor == "" {
		return PageCursor{}, ErrInvalidCursor
	}
	decoded, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return PageCursor{}, ErrInvalidCursor
	}
	stamp, id, ok := strings.Cut(string(decoded), cursorSeparator)
	if !ok || strings.TrimSpace(id) == "" {
		return PageCursor{}, ErrInvalidCursor
	}
	updatedAt, err := time.Parse(time.RFC3339Nano, stamp)
	if err != nil {
		return PageCursor{}, ErrInvalidCursor
	}
	return PageCursor{UpdatedAt: updatedAt.UTC(), ID: id}, nil
}

func cursorFor(order Order) PageCursor {
	return PageCursor{UpdatedAt: order.UpdatedAt, ID: order.ID}
}

// afterCursor reports whether order sorts strictly after c in
// updatedAt DESC, id DESC order.
func afterCursor(c PageCursor, order Order) bool {
	if order.UpdatedAt.Before(c.UpdatedAt) {
		return true
	}
	return order.UpdatedAt.Equal(c.UpdatedAt) && order.ID < c.ID
}
