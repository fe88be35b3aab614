package ble

// HID report descriptors and usage tables for the two supported profiles.
// The remote profile's 16-bit button layout is fixed: bit 0 = D-pad up
// through bit 15 = Power.

// Report ids within each profile's report map.
const (
	keyboardReportID = 0x01
	consumerReportID = 0x02
	remoteReportID   = 0x01
)

// keyboardReportMap describes two input reports: an 8-byte boot-style
// keyboard report (ID 1: modifier bitmap, reserved byte, six scan codes)
// and a 2-byte consumer bitmap (ID 2) covering 16 media usages.
var keyboardReportMap = []byte{
	// Keyboard collection
	0x05, 0x01, // Usage Page (Generic Desktop)
	0x09, 0x06, // Usage (Keyboard)
	0xA1, 0x01, // Collection (Application)
	0x85, keyboardReportID, // Report ID (1)
	0x05, 0x07, // Usage Page (Key Codes)
	0x19, 0xE0, // Usage Minimum (224) - modifiers
	0x29, 0xE7, // Usage Maximum (231)
	0x15, 0x00, // Logical Minimum (0)
	0x25, 0x01, // Logical Maximum (1)
	0x75, 0x01, // Report Size (1)
	0x95, 0x08, // Report Count (8)
	0x81, 0x02, // Input (Data, Var, Abs) - modifier bitmap
	0x95, 0x01, // Report Count (1)
	0x75, 0x08, // Report Size (8)
	0x81, 0x01, // Input (Const) - reserved byte
	0x95, 0x06, // Report Count (6)
	0x75, 0x08, // Report Size (8)
	0x15, 0x00, // Logical Minimum (0)
	0x25, 0x65, // Logical Maximum (101)
	0x05, 0x07, // Usage Page (Key Codes)
	0x19, 0x00, // Usage Minimum (0)
	0x29, 0x65, // Usage Maximum (101)
	0x81, 0x00, // Input (Data, Array) - key array
	0xC0, // End Collection

	// Consumer collection
	0x05, 0x0C, // Usage Page (Consumer)
	0x09, 0x01, // Usage (Consumer Control)
	0xA1, 0x01, // Collection (Application)
	0x85, consumerReportID, // Report ID (2)
	0x05, 0x0C, // Usage Page (Consumer)
	0x15, 0x00, // Logical Minimum (0)
	0x25, 0x01, // Logical Maximum (1)
	0x75, 0x01, // Report Size (1)
	0x95, 0x10, // Report Count (16)
	0x09, 0xB5, // Usage (Scan Next Track)
	0x09, 0xB6, // Usage (Scan Previous Track)
	0x09, 0xB7, // Usage (Stop)
	0x09, 0xCD, // Usage (Play/Pause)
	0x09, 0xE2, // Usage (Mute)
	0x09, 0xE9, // Usage (Volume Up)
	0x09, 0xEA, // Usage (Volume Down)
	0x0A, 0x23, 0x02, // Usage (AC Home)
	0x0A, 0x24, 0x02, // Usage (AC Back)
	0x0A, 0x25, 0x02, // Usage (AC Forward)
	0x0A, 0x26, 0x02, // Usage (AC Stop)
	0x0A, 0x27, 0x02, // Usage (AC Refresh)
	0x0A, 0x21, 0x02, // Usage (AC Search)
	0x0A, 0x2A, 0x02, // Usage (AC Bookmarks)
	0x09, 0x40, // Usage (Menu)
	0x09, 0x30, // Usage (Power)
	0x81, 0x02, // Input (Data, Var, Abs)
	0xC0, // End Collection
}

// remoteReportMap describes a single 16-bit consumer/desktop-combined
// input report (ID 1), one bit per remote button.
var remoteReportMap = []byte{
	0x05, 0x0C, // Usage Page (Consumer)
	0x09, 0x01, // Usage (Consumer Control)
	0xA1, 0x01, // Collection (Application)
	0x85, remoteReportID, // Report ID (1)

	0x05, 0x01, // Usage Page (Generic Desktop)
	0x09, 0x90, // Usage (D-pad Up) - bit 0
	0x09, 0x91, // Usage (D-pad Down) - bit 1
	0x09, 0x93, // Usage (D-pad Left) - bit 2
	0x09, 0x92, // Usage (D-pad Right) - bit 3

	0x05, 0x0C, // Usage Page (Consumer)
	0x09, 0x41, // Usage (Menu Pick / Select) - bit 4
	0x0A, 0x24, 0x02, // Usage (AC Back) - bit 5
	0x0A, 0x23, 0x02, // Usage (AC Home) - bit 6
	0x09, 0x40, // Usage (Menu) - bit 7
	0x09, 0xCD, // Usage (Play/Pause) - bit 8
	0x09, 0xB7, // Usage (Stop) - bit 9
	0x09, 0xB4, // Usage (Rewind) - bit 10
	0x09, 0xB3, // Usage (Fast Forward) - bit 11
	0x09, 0xE9, // Usage (Volume Up) - bit 12
	0x09, 0xEA, // Usage (Volume Down) - bit 13
	0x09, 0xE2, // Usage (Mute) - bit 14
	0x09, 0x30, // Usage (Power) - bit 15

	0x15, 0x00, // Logical Minimum (0)
	0x25, 0x01, // Logical Maximum (1)
	0x75, 0x01, // Report Size (1)
	0x95, 0x10, // Report Count (16)
	0x81, 0x02, // Input (Data, Var, Abs)
	0xC0, // End Collection
}

// remoteButtons maps button names to their bit in the remote profile's
// 16-bit report.
var remoteButtons = map[string]uint16{
	"DPAD_UP":      0x0001,
	"DPAD_DOWN":    0x0002,
	"DPAD_LEFT":    0x0004,
	"DPAD_RIGHT":   0x0008,
	"SELECT":       0x0010,
	"BACK":         0x0020,
	"HOME":         0x0040,
	"MENU":         0x0080,
	"PLAY_PAUSE":   0x0100,
	"STOP":         0x0200,
	"REWIND":       0x0400,
	"FAST_FORWARD": 0x0800,
	"VOLUME_UP":    0x1000,
	"VOLUME_DOWN":  0x2000,
	"MUTE":         0x4000,
	"POWER":        0x8000,
}

// keyboardUsages maps keyboard key names to USB HID usage codes
// (usage page 0x07).
var keyboardUsages = map[string]byte{
	"a": 0x04, "b": 0x05, "c": 0x06, "d": 0x07, "e": 0x08, "f": 0x09,
	"g": 0x0A, "h": 0x0B, "i": 0x0C, "j": 0x0D, "k": 0x0E, "l": 0x0F,
	"m": 0x10, "n": 0x11, "o": 0x12, "p": 0x13, "q": 0x14, "r": 0x15,
	"s": 0x16, "t": 0x17, "u": 0x18, "v": 0x19, "w": 0x1A, "x": 0x1B,
	"y": 0x1C, "z": 0x1D,
	"1": 0x1E, "2": 0x1F, "3": 0x20, "4": 0x21, "5": 0x22,
	"6": 0x23, "7": 0x24, "8": 0x25, "9": 0x26, "0": 0x27,
	"enter": 0x28, "escape": 0x29, "backspace": 0x2A, "tab": 0x2B,
	"space": 0x2C, "minus": 0x2D, "equals": 0x2E,
	"right": 0x4F, "left": 0x50, "down": 0x51, "up": 0x52,
}

// consumerBits maps media key names to their bit in the 16-bit consumer
// report, matching the usage order declared in keyboardReportMap.
var consumerBits = map[string]uint16{
	"next_track":     0x0001,
	"previous_track": 0x0002,
	"stop":           0x0004,
	"play_pause":     0x0008,
	"mute":           0x0010,
	"volume_up":      0x0020,
	"volume_down":    0x0040,
	"home":           0x0080,
	"back":           0x0100,
	"forward":        0x0200,
	"browser_stop":   0x0400,
	"refresh":        0x0800,
	"search":         0x1000,
	"bookmarks":      0x2000,
	"menu":           0x4000,
	"power":          0x8000,
}
