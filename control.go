package offlinecache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
)

type MessageType string

const (
	MessageSkipWaiting MessageType = "SKIP_WAITING"
	MessageGetVersion  MessageType = "GET_VERSION"
)

// Message is a control message sent by a page.
type Message struct {
	Type MessageType `json:"type"`
}

// VersionReply answers GET_VERSION.
type VersionReply struct {
	Version string `json:"version"`
}

// MessagePort carries replies back to the page that sent a message.
type MessagePort interface {
	PostMessage(msg any) error
}

// ChannelPort is an in-process MessagePort. PostMessage blocks until the
// channel has room.
type ChannelPort chan any

func (c ChannelPort) PostMessage(msg any) error {
	c <- msg
	return nil
}

// HandleMessage processes a control message. GET_VERSION replies exactly
// once on port. Unknown types are ignored.
func (w *Worker) HandleMessage(msg Message, port MessagePort) error {
	switch msg.Type {
	case MessageSkipWaiting:
		w.SkipWaiting()
		return nil
	case MessageGetVersion:
		if port == nil {
			return fmt.Errorf("GET_VERSION without reply port")
		}
		return port.PostMessage(VersionReply{Version: w.CacheName()})
	default:
		w.log.Debug().Str("type", string(msg.Type)).Msg("Ignoring unknown message")
		return nil
	}
}

// PushPayload is the JSON data of a push message.
type PushPayload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Notification is a notification to show to the user.
type Notification struct {
	Title              string `json:"title"`
	Body               string `json:"body"`
	Icon               string `json:"icon"`
	Badge              string `json:"badge"`
	Tag                string `json:"tag"`
	RequireInteraction bool   `json:"requireInteraction"`
}

// Notifier is the host environment's notification surface.
type Notifier interface {
	ShowNotification(ctx context.Context, n Notification) error
	OpenWindow(ctx context.Context, url string) error
}

// LogNotifier logs notifications instead of showing them.
type LogNotifier struct {
	Logger zerolog.Logger
}

func (n LogNotifier) ShowNotification(_ context.Context, notification Notification) error {
	n.Logger.Info().
		Str("title", notification.Title).
		Str("body", notification.Body).
		Str("tag", notification.Tag).
		Msg("Notification")
	return nil
}

func (n LogNotifier) OpenWindow(_ context.Context, url string) error {
	n.Logger.Info().Str("url", url).Msg("Open window")
	return nil
}

const (
	notificationTag  = "turbopush-notification"
	notificationIcon = "/favicon.ico"

	SyncTagContactForm = "contact-form"
	SyncTagContent     = "content-sync"
)

// Push shows a notification for a push message. Empty or malformed data is
// logged and ignored.
func (w *Worker) Push(ctx context.Context, data []byte) {
	defer w.recoverHook("push")
	if len(data) == 0 {
		return
	}
	var payload PushPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		w.log.Warn().Err(err).Msg("Ignoring malformed push payload")
		return
	}
	err := w.notifier.ShowNotification(ctx, Notification{
		Title:              payload.Title,
		Body:               payload.Body,
		Icon:               notificationIcon,
		Badge:              notificationIcon,
		Tag:                notificationTag,
		RequireInteraction: true,
	})
	if err != nil {
		w.log.Warn().Err(err).Msg("Could not show notification")
	}
}

// NotificationClick opens the site root.
func (w *Worker) NotificationClick(ctx context.Context) {
	defer w.recoverHook("notificationclick")
	if err := w.notifier.OpenWindow(ctx, "/"); err != nil {
		w.log.Warn().Err(err).Msg("Could not open window")
	}
}

// Sync handles a background sync event.
func (w *Worker) Sync(_ context.Context, tag string) {
	if tag == SyncTagContactForm {
		w.log.Info().Str("tag", tag).Msg("Background sync: contact form")
		return
	}
	w.log.Debug().Str("tag", tag).Msg("Ignoring background sync")
}

// PeriodicSync handles a periodic background sync event.
func (w *Worker) PeriodicSync(_ context.Context, tag string) {
	if tag == SyncTagContent {
		w.log.Info().Str("tag", tag).Msg("Periodic sync: content")
		return
	}
	w.log.Debug().Str("tag", tag).Msg("Ignoring periodic sync")
}

func (w *Worker) recoverHook(hook string) {
	if r := recover(); r != nil {
		w.log.Error().Str("hook", hook).Msgf("Recovered from panic: %v", r)
	}
}
