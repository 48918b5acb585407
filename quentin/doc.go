// Package quentin implements a Discord bot that runs daily mini-game
// quests for guilds split into factions.
//
// Each day, at a configured local time, the bot picks a game from the
// guild's table for that weekday and announces it. Members post their
// results (share text or screenshots) in the quest channel. When the
// quest's window closes, every submission is scored once: the score is
// extracted from the text, from OCR of the screenshot, or from the
// image itself, converted to points, and credited to the author's
// faction. Each message gets a ✅ or ❌ reaction, and the results and
// standings are posted.
//
// Key components:
//
//   - Quentin: wires everything together and runs it.
//   - QuestScheduler: one per guild, drives the quest cycle.
//   - SubmissionCollector: fetches and scores submissions.
//   - Registry: maps game IDs to ScoreExtractor implementations.
//   - OCRClient and OutageWatcher: OCR requests with retries, rate
//     limiting and provider outage handling.
//   - FactionLedger: faction totals and the append-only score log.
//   - Discord: the MessageGateway implementation.
//   - API: the admin API.
package quentin
