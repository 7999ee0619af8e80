package telegram

import (
	"fmt"
	"strconv"
	"time"

	"github.com/gotd/td/tg"

	"github.com/brentschooley/ipm-ux/internal/domain"
)

func (c *Client) convertMessage(msg *tg.Message, users map[int64]*tg.User) domain.Message {
	var channelID int64
	if p, ok := msg.PeerID.(*tg.PeerChannel); ok {
		channelID = p.ChannelID
	}

	author := "unknown"
	switch from := msg.FromID.(type) {
	case *tg.PeerUser:
		if u, ok := users[from.UserID]; ok {
			author = displayName(u)
		}
	case *tg.PeerChannel:
		if ch, ok := c.lookup(from.ChannelID); ok {
			author = ch.Title
		}
	}
	if msg.Out {
		author = c.identity
	}

	body, formatted := Markdown(msg.Message, msg.Entities)
	return domain.Message{
		ID:          strconv.Itoa(msg.ID),
		ChannelSID:  sid(channelID),
		Author:      author,
		Body:        body,
		HasMarkdown: formatted,
		Timestamp:   time.Unix(int64(msg.Date), 0),
	}
}

// convertHistory flattens a history page. The API returns newest first.
func (c *Client) convertHistory(result tg.MessagesMessagesClass) ([]domain.Message, error) {
	var (
		messages []tg.MessageClass
		users    []tg.UserClass
		chats    []tg.ChatClass
	)
	switch r := result.(type) {
	case *tg.MessagesMessages:
		messages, users, chats = r.Messages, r.Users, r.Chats
	case *tg.MessagesMessagesSlice:
		messages, users, chats = r.Messages, r.Users, r.Chats
	case *tg.MessagesChannelMessages:
		messages, users, chats = r.Messages, r.Users, r.Chats
	default:
		return nil, fmt.Errorf("%w: unexpected history type %T", domain.ErrChannelUnavailable, result)
	}

	for _, chat := range chats {
		if ch, ok := chat.(*tg.Channel); ok {
			c.remember(ch)
		}
	}
	userMap := usersToMap(users)

	out := make([]domain.Message, 0, len(messages))
	for i := len(messages) - 1; i >= 0; i-- {
		if msg, ok := messages[i].(*tg.Message); ok {
			out = append(out, c.convertMessage(msg, userMap))
		}
	}
	return out, nil
}

// displayName prefers the public username, then the full name.
func displayName(u *tg.User) string {
	switch {
	case u == nil:
		return "unknown"
	case u.Username != "":
		return u.Username
	case u.FirstName != "" && u.LastName != "":
		return u.FirstName + " " + u.LastName
	case u.FirstName != "":
		return u.FirstName
	default:
		return "user" + strconv.FormatInt(u.ID, 10)
	}
}

func usersToMap(users []tg.UserClass) map[int64]*tg.User {
	m := make(map[int64]*tg.User, len(users))
	for _, u := range users {
		if user, ok := u.(*tg.User); ok {
			m[user.ID] = user
		}
	}
	return m
}
