package utils

import "time"

type Number interface {
	~int | ~int32 | ~int64 | ~uint32 | ~uint64 | ~float64
}

// SetDefaultNum sets *p to d if *p is zero or negative.
func SetDefaultNum[T Number](p *T, d T) {
	if *p <= 0 {
		*p = d
	}
}

// SetDefaultString sets *p to d if *p is empty.
func SetDefaultString(p *string, d string) {
	if len(*p) == 0 {
		*p = d
	}
}

// SetDefaultNow sets *p to time.Now if *p is nil.
func SetDefaultNow(p *func() time.Time) {
	if *p == nil {
		*p = time.Now
	}
}
