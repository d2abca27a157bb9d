package turn

import "errors"

// ErrTurnInFlight is returned when a new turn starts before the
// previous one was interrupted or finished.
var ErrTurnInFlight = errors.New("turn: another turn is in flight")
