package packet

import "strconv"

type Type uint32

const (
	Hello           Type = 160
	Challenge       Type = 161
	ChallengeAnswer Type = 162
	Joined          Type = 163
	Forward         Type = 164
	PlayerJoined    Type = 165
	PlayerLeft      Type = 166
	HostMigrated    Type = 167
	StartGame       Type = 168
	Kick            Type = 169
	Error           Type = 170
	SystemMessage   Type = 141
)

var typeNames = map[Type]string{
	Hello:           "Hello",
	Challenge:       "Challenge",
	ChallengeAnswer: "ChallengeAnswer",
	Joined:          "Joined",
	Forward:         "Forward",
	PlayerJoined:    "PlayerJoined",
	PlayerLeft:      "PlayerLeft",
	HostMigrated:    "HostMigrated",
	StartGame:       "StartGame",
	Kick:            "Kick",
	Error:           "Error",
	SystemMessage:   "SystemMessage",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "Type(" + strconv.FormatUint(uint64(t), 10) + ")"
}
