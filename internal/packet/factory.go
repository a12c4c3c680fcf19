package packet

const (
	systemSender = "SERVER"

	// systemTeam is the team index used by messages that do not come from a
	// player.
	systemTeam = -1
)

// Factory builds the packets the relay originates itself.
type Factory struct{}

func NewFactory() *Factory { return &Factory{} }

func (f *Factory) SystemMessage(text string) (Packet, error) {
	return Marshal(SystemMessage, SystemMessageBody{
		Sender:  systemSender,
		Message: text,
		Team:    systemTeam,
	})
}

func (f *Factory) Error(reason string) (Packet, error) {
	return Marshal(Error, ErrorBody{Reason: reason})
}

func (f *Factory) Kick(reason string) (Packet, error) {
	return Marshal(Kick, ErrorBody{Reason: reason})
}
