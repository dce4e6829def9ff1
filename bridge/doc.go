// Package bridge is the boundary between the link core and the host
// application.
//
// A Connection wires one transport to one dispatcher and exposes delivered
// messages as receive channels, one per priority class, plus a channel of
// error events:
//
//	conn, err := bridge.Open(dev, bridge.DefaultOptions())
//	if err != nil {
//	    return err
//	}
//	defer conn.Close()
//
//	if err := conn.StartReading(); err != nil {
//	    return err
//	}
//	for {
//	    select {
//	    case m := <-conn.High():
//	        playAudio(m.Channel, m.Data)
//	    case m := <-conn.Medium():
//	        decodeVideo(m.Data)
//	    case m := <-conn.Normal():
//	        handleControl(m.Channel, m.Data)
//	    case ev := <-conn.Errors():
//	        if ev.Code.Fatal() {
//	            return ev
//	        }
//	    }
//	}
//
// A class whose channel is not drained stalls only that class's worker;
// its queue then drops oldest entries while the other classes keep
// flowing.
//
// Registry multiplexes several connections behind UUID handles for hosts
// that cannot hold a *Connection directly.
package bridge
