// Package pppmodem supervises cellular modems that carry a PPP link over
// their serial port.
//
// A Session owns one serial transport. Its worker goroutine loops through
// four states for as long as the session runs:
//
//	Preparing      reset the modem and run its chat script until it answers CONNECT
//	LinkStarting   create a link adapter and start negotiation
//	LinkMonitoring move bytes between transport and adapter, publish the link when it is up
//	LinkTeardown   unpublish, close and free the link, then prepare again
//
// Serial arrivals and link callbacks only store atomics and post a single
// coalescing wake token; every transport read and write happens on the
// worker.
//
// Example:
//
//	bridge := netdev.NewRegistry()
//	prep, _ := device.New("m6312", device.Params{APN: "cmnet", Number: "*99#"})
//	pppmodem.Attach(ctx, pppmodem.AttachConfig{
//		Port:     "/dev/ttyUSB0",
//		Serial:   serialport.DefaultConfig(),
//		Preparer: prep,
//		Factory:  &link.PPPD{},
//		Bridge:   bridge,
//	})
package pppmodem
