package confloader

import "errors"

// ErrReadBytesNotSupported is returned when ReadBytes is called on the map
// provider; koanf falls back to Read.
var ErrReadBytesNotSupported = errors.New("confloader: map provider supports Read only")

type mapProvider map[string]any

func (m mapProvider) ReadBytes() ([]byte, error) {
	return nil, ErrReadBytesNotSupported
}

func (m mapProvider) Read() (map[string]any, error) {
	return m, nil
}
