package worker

import "fmt"

// PanicError 处理任务时发生 panic
type PanicError struct {
	Value interface{}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("scan job panicked: %v", e.Value)
}
