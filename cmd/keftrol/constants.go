package main

// Linux input event types and codes (from <linux/input.h>)
const (
	EV_KEY = 0x01
	EV_REL = 0x02

	KEY_MUTE       = 113
	KEY_VOLUMEDOWN = 114
	KEY_VOLUMEUP   = 115

	// Rotary encoder relative axis code
	REL_DIAL = 0x07
)

// Input event value constants
const (
	evValueRelease = 0
	evValuePress   = 1
	evValueRepeat  = 2
)

// Engine and transport defaults
const (
	defaultFlushHz           = 20   // Pending intent flush frequency (Hz)
	defaultTimeoutMS         = 2000 // Per device call timeout (ms)
	defaultRefreshIntervalMS = 5000 // Periodic refresh cadence (ms)
	defaultVolumeStep        = 2    // Volume change per key press / encoder detent

	engineEventQueueSize = 64

	defaultIPCSocketPath = "/tmp/keftrol.sock"
	defaultStateWSListen = "127.0.0.1:3002"
	defaultStateWSPath   = "/state"
)
