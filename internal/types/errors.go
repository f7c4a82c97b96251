package types

import "fmt"

// StageOrderError is returned by stores for a completed stage result whose
// lower-order stages are not all completed.
type StageOrderError struct {
	Stage     string
	Order     int
	Completed int // lower-order stages found completed
}

func (e *StageOrderError) Error() string {
	return fmt.Sprintf("cannot complete stage %s (order %d): only %d of %d earlier stages completed",
		e.Stage, e.Order, e.Completed, e.Order-1)
}
