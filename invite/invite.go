// Package invite formats and parses room invite links.
//
// An invite is a URL of the form roomshare://join/{room}[?p={password}].
// The password is optional; encrypted rooms include it so the recipient can
// derive the room key without a second exchange.
package invite

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Scheme is the invite URL scheme.
const Scheme = "roomshare"

// joinHost is the fixed host segment of an invite URL.
const joinHost = "join"

var (
	// ErrEmptyRoom indicates an invite without a room identifier.
	ErrEmptyRoom = errors.New("invite: room identifier is empty")
	// ErrForeignScheme indicates a URL that is not a roomshare invite.
	ErrForeignScheme = errors.New("invite: unsupported scheme")
	// ErrMalformed indicates an invite URL that could not be parsed.
	ErrMalformed = errors.New("invite: malformed link")
)

// Invite is a decoded invite link.
type Invite struct {
	RoomID   string
	Password string
}

// Encrypted reports whether the invite carries a room password.
func (i Invite) Encrypted() bool {
	return i.Password != ""
}

// Format renders an invite link. The room identifier and password are
// URL-escaped.
func Format(roomID, password string) (string, error) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return "", ErrEmptyRoom
	}

	link := url.URL{
		Scheme: Scheme,
		Host:   joinHost,
		Path:   "/" + roomID,
	}
	if password != "" {
		query := url.Values{}
		query.Set("p", password)
		link.RawQuery = query.Encode()
	}
	return link.String(), nil
}

// Parse decodes an invite link. A bare room code with no scheme is accepted
// as a convenience so a pasted room identifier still joins; URLs with a
// foreign scheme are rejected.
func Parse(raw string) (Invite, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Invite{}, ErrEmptyRoom
	}

	if !strings.Contains(raw, "://") {
		// Bare room code. Reject anything that looks like a structured URL.
		if strings.ContainsAny(raw, "/?#") {
			return Invite{}, ErrMalformed
		}
		return Invite{RoomID: raw}, nil
	}

	link, err := url.Parse(raw)
	if err != nil {
		return Invite{}, fmt.Errorf("invite: parse link: %w", err)
	}
	if link.Scheme != Scheme {
		return Invite{}, ErrForeignScheme
	}
	if link.Host != joinHost {
		return Invite{}, ErrMalformed
	}

	roomID := strings.Trim(link.Path, "/")
	if roomID == "" || strings.Contains(roomID, "/") {
		return Invite{}, ErrMalformed
	}

	return Invite{
		RoomID:   roomID,
		Password: link.Query().Get("p"),
	}, nil
}
