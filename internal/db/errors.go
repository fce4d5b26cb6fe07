package db

import (
	"fmt"

	"github.com/amirphl/simple-oms/internal/order"
)

type staleError struct {
	id       string
	expected order.Status
	actual   order.Status
}

func (e *staleError) Error() string {
	return fmt.Sprintf("order %s: expected status %s, found %s: %v", e.id, e.expected, e.actual, order.ErrStaleStatus)
}

func (e *staleError) Is(target error) bool {
	return target == order.ErrStaleStatus
}

func orderNotFound(id string) error {
	return fmt.Errorf("order %s: %w", id, order.ErrNotFound)
}
