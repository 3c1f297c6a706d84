// Package tweetwatch defines types to watch an X/Twitter account for new
// posts and send a notification, usually an SMS via Twilio, for each one.
//
// A single check ("tick") polls the account, compares what came back against
// the cursor from the previous tick, notifies about anything newer, and
// writes the advanced cursor back to a Store. The very first tick only
// records a baseline so that an account's history does not flood the phone.
//
// Ticks are meant to be driven from outside, by a CI schedule or by the
// cron loop in cmd/tweetwatch, and never overlap.
package tweetwatch
