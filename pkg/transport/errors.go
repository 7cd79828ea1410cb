package transport

import "github.com/picola-go/pla/pkg/laerr"

// wrapReadErr classifies a stream read failure into the driver error taxonomy.
func wrapReadErr(op string, err error) error {
	if err == ErrTimeout {
		return laerr.New(op, laerr.KindTimeout, err)
	}
	return laerr.New(op, laerr.KindTransport, err)
}
