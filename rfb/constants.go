package rfb

const (
	RFBVersion = "RFB 003.008\n"

	// Client-to-server message types
	SetPixelFormat           = 0
	SetEncodings             = 2
	FramebufferUpdateRequest = 3
	KeyEvent                 = 4
	PointerEvent             = 5
	ClientCutText            = 6

	// Client-to-server extension messages whose length can be derived
	EnableContinuousUpdates = 150
	ClientFence             = 248
	Xvp                     = 250
	SetDesktopSize          = 251

	// Server-to-client message types
	FramebufferUpdate  = 0
	SetColorMapEntries = 1
	Bell               = 2
	ServerCutText      = 3

	// Encoding types
	RawEncoding         = 0
	DesktopSizeEncoding = -223

	// Security types
	SecurityInvalid = 0
	SecurityNone    = 1
	SecurityVNCAuth = 2

	// Security results
	SecurityResultOK     = 0
	SecurityResultFailed = 1

	// Message lengths
	VersionLength                  = 12
	SecurityChoiceLength           = 1
	ClientInitLength               = 1
	PixelFormatLength              = 16
	SetPixelFormatLength           = 20
	FramebufferUpdateRequestLength = 10
	KeyEventLength                 = 8
	PointerEventLength             = 6
	ClientCutTextHeaderLength      = 8
	ServerInitHeaderLength         = 24
	RectangleHeaderLength          = 12
)

// Upper bounds applied to length fields before any buffer is allocated.
const (
	MaxEncodings      = 1024
	MaxCutTextLength  = 1 << 20
	MaxNameLength     = 1 << 16
	MaxRectangles     = 4096
	MaxReasonLength   = 1 << 12
	maxFenceDataBytes = 64
)
