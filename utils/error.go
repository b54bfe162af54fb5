package utils

import (
	"errors"
	"fmt"
)

var (
	ErrNilParameter   = errors.New("nil parameter")
	ErrWrongParameter = errors.New("wrong parameter")
	ErrShortRead      = errors.New("short read")
	ErrInvalidData    = errors.New("invalid data")
	ErrHandled        = errors.New("handled")
)

// ErrInErr 很适合一个err包含另一个err，并且提供附带数据的情况.
// 返回结构体而不是指针, 这样可以避免内存逃逸到堆.
type ErrInErr struct {
	ErrDesc   string
	ErrDetail error
	Data      any
}

func (e ErrInErr) Error() string {
	return e.String()
}

func (e ErrInErr) Unwrap() error {
	return e.ErrDetail
}

func (e ErrInErr) Is(err error) bool {
	return e.ErrDetail == err || errors.Is(e.ErrDetail, err)
}

func (e ErrInErr) String() string {

	if e.Data != nil {

		if e.ErrDetail != nil {
			return fmt.Sprintf("%s : %s, Data: %v", e.ErrDesc, e.ErrDetail.Error(), e.Data)
		}

		return fmt.Sprintf("%s , Data: %v", e.ErrDesc, e.Data)
	}
	if e.ErrDetail != nil {
		return fmt.Sprintf("%s : %s", e.ErrDesc, e.ErrDetail.Error())
	}
	return e.ErrDesc
}
