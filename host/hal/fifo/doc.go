// Package fifo provides a stream-backed hal.Device for replay and testing.
//
// A Device serves bulk IN reads from an io.Reader and bulk OUT writes to an
// io.Writer, with a synthetic configuration descriptor exposing one vendor
// interface and a bulk endpoint pair (0x81 IN, 0x01 OUT by default). Reads
// complete in submission order on a single goroutine, so the byte order of
// the stream is preserved across slots. End of stream, or a closed reader,
// completes the outstanding read with a no-device status.
//
// # Sources
//
//   - New wraps any reader and writer (bytes.Reader, io.Pipe, net.Conn)
//   - Open reads a captured stream from a regular file
//   - OpenDir creates a directory of named pipes for a producer process
//
// OpenDir layout:
//
//	/tmp/aap-dev/
//	├── device_to_host   # producer writes frames here (bulk IN)
//	└── host_to_device   # producer reads host writes here (bulk OUT)
//
// # Usage
//
//	dev, err := fifo.Open("capture.bin", "")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	t, err := transport.New(transport.DefaultConfig(), disp)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := t.Open(dev); err != nil {
//	    log.Fatal(err)
//	}
//	err = t.StartReading()
package fifo
