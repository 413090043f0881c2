// Package chat answers channel chat commands.
//
// Dispatcher matches "!name args" lines against the command table (global for
// everyone, moderator for moderators and the broadcaster), substitutes
// @username, $(display_name) and $(args), and replies through Helix as a /me
// message. Two commands keep state: !so records the current shoutout and asks
// Twitch for a native shoutout, and !monanniv / !anniv register and query
// birthdays.
//
// Run is the IRC side: it joins the channel with go-twitch-irc, refreshes the
// moderator set on every connect, and hands command lines to the dispatcher
// from a single worker so replies go out in order.
package chat
