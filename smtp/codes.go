package smtp

// RFC 5321

// Reply codes.
var (
	C220ServiceReady            = 220
	C221Closing                 = 221
	C250Completed               = 250
	C251UserNotLocalWillForward = 251
	C354Continue                = 354

	C421ServiceUnavail = 421
	C422QuotaExceeded  = 422 // Not in RFC 5321, kept for compatibility with existing deployments.
	C443DeliveryFailed = 443 // Not in RFC 5321, used for temporary archive/relay failures.
	C451LocalErr       = 451

	C500BadSyntax         = 500
	C501BadParamSyntax    = 501
	C502CmdNotImpl        = 502
	C503BadCmdSeq         = 503
	C504ParamNotImpl      = 504
	C550MailboxUnavail    = 550
	C552MailboxFull       = 552
	C554TransactionFailed = 554
)

// Short enhanced reply codes, without leading number and first dot.
//
// See https://www.iana.org/assignments/smtp-enhanced-status-codes/smtp-enhanced-status-codes.xhtml
var (
	// 0.x - Other or Undefined Status.
	SeOther00 = "0.0"

	// 3.x - Mail System.
	SeSys3Other0            = "3.0"
	SeSys3NotAccepting2     = "3.2"
	SeSys3MsgLimitExceeded4 = "3.4"

	// 5.x - Mail Delivery Protocol.
	SeProto5Other0       = "5.0"
	SeProto5BadCmdOrSeq1 = "5.1"
	SeProto5Syntax2      = "5.2"
)
