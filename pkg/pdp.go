package pkg

// PdpCause is a PDP context activation failure cause reported by the radio.
// Values follow 3GPP TS 24.008 / 24.301 session management causes.
type PdpCause int

const (
	PdpCauseNone                         PdpCause = 0
	PdpCauseOperatorBarring              PdpCause = 8
	PdpCauseShortageResources            PdpCause = 26
	PdpCauseMissingOrUnknownApn          PdpCause = 27
	PdpCauseUnknownPdpAddrOrType         PdpCause = 28
	PdpCauseUserAuthentication           PdpCause = 29
	PdpCauseActivationRejectedGgsn       PdpCause = 30
	PdpCauseActivationRejectedUnspec     PdpCause = 31
	PdpCauseServiceOptionNotSupported    PdpCause = 32
	PdpCauseServiceOptionNotSubscribed   PdpCause = 33
	PdpCauseServiceOptionOutOfOrder      PdpCause = 34
	PdpCauseNsapiAlreadyUsed             PdpCause = 35
	PdpCauseRegularDeactivation          PdpCause = 36
	PdpCauseIPv4OnlyAllowed              PdpCause = 50
	PdpCauseIPv6OnlyAllowed              PdpCause = 51
	PdpCauseIPv4v6OnlyAllowed            PdpCause = 57
	PdpCauseNonIPOnlyAllowed             PdpCause = 58
	PdpCauseMaxPdpContexts               PdpCause = 65
	PdpCauseApnNotSupportedInRat         PdpCause = 66
	PdpCauseProtocolErrors               PdpCause = 111
	PdpCauseApnRestrictionIncompatible   PdpCause = 112
	PdpCauseMultipleAccessNotAllowed     PdpCause = 113
	PdpCauseRetry                        PdpCause = 65534
	PdpCauseUnknown                      PdpCause = 65535
	PdpCauseLostConnection               PdpCause = 65533
	PdpCauseTimeout                      PdpCause = 65532
	PdpCauseRadioNotAvailable            PdpCause = 65531
	PdpCauseRadioRequestFailed           PdpCause = 65530
	PdpCauseRadioRequestRejected         PdpCause = 65529
)

// FailureClass is what the retry engine does about a failed activation
type FailureClass int

const (
	// FailureRetry schedules another attempt after the retry delay
	FailureRetry FailureClass = iota
	// FailureBadApn marks the profile bad and retries with the next candidate
	FailureBadApn
	// FailurePermanent stops retrying until the next external trigger
	FailurePermanent
	// FailureClear tears down without retrying
	FailureClear
)

func (c FailureClass) String() string {
	switch c {
	case FailureRetry:
		return "retry"
	case FailureBadApn:
		return "bad_apn"
	case FailurePermanent:
		return "permanent"
	default:
		return "clear"
	}
}

// ClassifyPdpCause maps an activation failure cause onto a FailureClass
func ClassifyPdpCause(cause PdpCause) FailureClass {
	switch cause {
	case PdpCauseRetry, PdpCauseUnknown, PdpCauseShortageResources,
		PdpCauseActivationRejectedUnspec, PdpCauseServiceOptionOutOfOrder,
		PdpCauseApnNotSupportedInRat, PdpCauseApnRestrictionIncompatible,
		PdpCauseLostConnection, PdpCauseTimeout, PdpCauseRadioRequestFailed:
		return FailureRetry
	case PdpCauseMissingOrUnknownApn, PdpCauseUnknownPdpAddrOrType,
		PdpCauseUserAuthentication, PdpCauseIPv4OnlyAllowed,
		PdpCauseIPv6OnlyAllowed, PdpCauseIPv4v6OnlyAllowed,
		PdpCauseNonIPOnlyAllowed:
		return FailureBadApn
	case PdpCauseOperatorBarring, PdpCauseServiceOptionNotSupported,
		PdpCauseServiceOptionNotSubscribed:
		return FailurePermanent
	default:
		return FailureClear
	}
}

// IsTerminalCause reports whether retrying can never succeed for the cause
func IsTerminalCause(cause PdpCause) bool {
	return ClassifyPdpCause(cause) == FailurePermanent
}
