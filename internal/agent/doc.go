// Package agent orchestrates one chat turn: snapshot the executable tools, let
// the oracle pick one, execute it through the payment negotiator, compose the
// final reply and persist the conversation. Only a missing oracle credential
// and unexpected storage faults fail a turn; every other failure degrades
// into an explanatory reply.
package agent
