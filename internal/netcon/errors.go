package netcon

import "fmt"

// ConnectError is the failure of a scheduled dial, reported on a later Tick.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("netcon: connect %s: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}
