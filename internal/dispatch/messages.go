package dispatch

const (
	msgDenied            = "You are not authorized to use this bot."
	msgBusy              = "Still working on your previous request, please wait."
	msgInternalError     = "Something went wrong, starting over."
	msgIdle              = "Send %q to begin."
	msgChooseAction      = "Choose an action."
	msgInvalidChoice     = "Invalid option."
	msgCancelled         = "Operation cancelled."
	msgStartOver         = "Unrecognised answer, starting over."
	msgChooseTarget      = "Choose the server to restart on."
	msgChooseTable       = "Choose a table (1-%d)."
	msgInvalidTable      = "Table must be a number from 1 to %d."
	msgConfirmRestart    = "Restart table %d on %s?\nCommand: %s"
	msgRestartCancelled  = "Restart cancelled."
	msgRunning           = "Running %s on %s..."
	msgRestartOK         = "Restart command succeeded."
	msgRestartFailed     = "Restart command failed (exit %d)."
	msgOutput            = "Output:\n%s"
	msgErrorOutput       = "Error output:\n%s"
	msgRemoteError       = "Remote operation on %s failed: %v"
	msgUnknownTarget     = "Server %s is not configured."
	msgCommandTemplate   = "Could not build the remote command: %v"
	msgEnterTime         = "Table %d. Enter the recording time as YYYY-MM-DD HH:MM[:SS] or HH:MM[:SS] for today."
	msgInvalidTime       = "Invalid time format. Use YYYY-MM-DD HH:MM[:SS] or HH:MM[:SS]."
	msgSearching         = "Searching the remote server for recordings, please wait..."
	msgNothingFound      = "No recordings found between %s and %s."
	msgChooseFile        = "Found %d recordings:\n%s\nChoose one, or all."
	msgInvalidFile       = "Pick one of the listed recordings."
	msgConfirmTransfer   = "Send %d recording(s)?\n%s"
	msgTransferCancelled = "Transfer cancelled."
	msgTransferring      = "Downloading and sending %d file(s), please wait..."
	msgFileFailed        = "%s: %s: %v"
	msgTransferDone      = "All %d file(s) sent."
	msgTransferPartial   = "Sent %d of %d file(s)."
)
