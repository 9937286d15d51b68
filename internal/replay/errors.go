package replay

import "errors"

// ErrInvalidOrdering is returned when packets are not in replay order.
var ErrInvalidOrdering = errors.New("packets are not in replay order")
