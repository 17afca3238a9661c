// Package cdcncm implements the CDC Network Control Model on top of usbnet.
//
// [BindCommon] does the work shared by NCM minidrivers: it claims the data
// interface named by the union descriptor, negotiates NTB sizes with the
// function, selects the data altsetting and reads the MAC address string.
// The per-device [State] hangs off the usbnet device.
//
// Only 16-bit NTBs are used. [RxFixup] walks the NDP16 chain of a received
// block and delivers each datagram. [TxFixup] packs outgoing frames into one
// NTB, honouring the negotiated divisor, remainder and alignment, and holds
// it back until it is full or a short timer fires.
package cdcncm
