package protocol

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

const (
	MaxTextBytes = 4096 // 4KB max frame size
	MaxTextChars = 2000 // max character count
)

var (
	ErrEmptyText   = errors.New("message text is empty")
	ErrMissingUser = errors.New("missing user")
	ErrMissingRoom = errors.New("missing room")
)

// MaxNameChars bounds a display name.
const MaxNameChars = 32

// NormalizeName trims a display name, puts it in NFC form so visually equal
// names compare equal, and truncates it to MaxNameChars runes.
func NormalizeName(name string) string {
	name = norm.NFC.String(strings.TrimSpace(strings.ToValidUTF8(name, "")))
	if utf8.RuneCountInString(name) > MaxNameChars {
		name = string([]rune(name)[:MaxNameChars])
	}
	return strings.TrimSpace(name)
}

// ValidateText checks that a chat line meets content requirements.
func ValidateText(text string) error {
	if len(text) == 0 {
		return ErrEmptyText
	}
	if len(text) > MaxTextBytes {
		return fmt.Errorf("message exceeds %d byte limit", MaxTextBytes)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("message contains invalid UTF-8")
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("message exceeds %d character limit", MaxTextChars)
	}
	return nil
}

// Validate checks the minimal shape of a parsed client message: every
// room-scoped kind names a user and a room.
func Validate(msg interface{}) error {
	var user, room string
	switch m := msg.(type) {
	case JoinMsg:
		user, room = m.User, m.Room
	case ChatMsg:
		user, room = m.User, m.Room
		if err := ValidateText(m.Text); err != nil {
			return err
		}
	case PosMsg:
		user, room = m.User, m.Room
	case EmoteMsg:
		user, room = m.User, m.Room
	case StartMsg:
		user, room = m.User, m.Room
	case KickMsg:
		user, room = m.User, m.Room
		if m.Target == "" {
			return errors.New("missing target")
		}
	default:
		return nil
	}
	if user == "" {
		return ErrMissingUser
	}
	if room == "" {
		return ErrMissingRoom
	}
	return nil
}
