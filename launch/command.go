package launch

// Command is the action a host must take for an inbound request before it
// does anything else with it.
type Command int

const (
	// CommandNone means the request is handled normally.
	CommandNone Command = iota
	// CommandForceQuit means the host process must terminate.
	CommandForceQuit
	// CommandNewLaunch means the host process must be reborn with the
	// carry-forward request.
	CommandNewLaunch
)

// String returns the wire name of the command.
func (c Command) String() string {
	switch c {
	case CommandNone:
		return "none"
	case CommandForceQuit:
		return "force_quit"
	case CommandNewLaunch:
		return "new_launch"
	default:
		return "invalid"
	}
}

// Decode maps a request to its command. Force-quit wins over everything.
// New-launch is only honored on re-entry: a fresh creation is already a new
// launch, and a reborn process must not loop.
func Decode(req *Request, freshCreation bool) Command {
	if req.Bool(ExtraForceQuit) {
		return CommandForceQuit
	}
	if !freshCreation && req.Bool(ExtraNewLaunch) {
		return CommandNewLaunch
	}
	return CommandNone
}

// CarryForward builds the request handed to a reborn process: a copy of req
// with the new-launch flag consumed.
func CarryForward(req *Request) *Request {
	return req.Clone().SetBool(ExtraNewLaunch, false)
}
