// Package gemini implements the remote-nlp engine: a synchronous adapter that
// asks a Gemini model to render an image's content as Markdown, describing
// illustrations in place.
package gemini
