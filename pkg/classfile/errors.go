package classfile

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedContainer reports input that is not a well-formed class file.
	ErrMalformedContainer = errors.New("malformed class container")

	// ErrUnencodableMethod reports a model that cannot be written back within
	// the class file format's structural limits.
	ErrUnencodableMethod = errors.New("unencodable method")

	errTruncated = errors.New("unexpected end of data")
)

func malformed(err error) error {
	if errors.Is(err, ErrMalformedContainer) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrMalformedContainer, err)
}

func unencodable(err error) error {
	if errors.Is(err, ErrUnencodableMethod) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrUnencodableMethod, err)
}
