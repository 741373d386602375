// Package llm defines the text-completion oracle used for tool selection and
// reply composition. The oracle takes a prompt and decoding settings and
// returns raw text; prompt construction and response parsing live with the
// callers so that the transport can be swapped.
package llm
