// Package dispatch turns LINE webhook events into account and task actions.
//
// The gateway verifies the X-Line-Signature header with ParseRequest, which
// wraps the line-bot-sdk-go webhook parser, and hands the decoded events to Router.Dispatch, which handles each event in
// its own goroutine. Redelivered events are dropped by webhookEventId.
//
// Text from a logged-in user with an open task goes to the conversation
// service; rich menu commands and postback buttons drive login, logout and
// the start and end of tasks. Summary cards of finished tasks can be listed
// and opened from the chat. Replies go out through a Replier, normally the
// LINE reply API via the SDK's messaging_api client.
package dispatch
