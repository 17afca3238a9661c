// Package idevncm drives the CDC-NCM network function Apple devices expose
// for debugging.
//
// The function differs from a standard NCM device in two ways. Its
// communications interface may carry idle altsettings, so [Bind] first
// selects the one with an NCM functional descriptor. It also has no
// notification endpoint, so the link never announces itself: opening the
// interface raises carrier unconditionally.
//
// Devices start in a mode without the NCM configuration. [SwitchMode]
// asks them to re-enumerate, and [ChooseConfiguration] picks the NCM
// configuration when it appears.
//
//	h := host.New(hal)
//	h.SetConfigurationChooser(idevncm.ChooseConfiguration)
//	h.RegisterDriver(idevncm.NewDriver())
package idevncm
