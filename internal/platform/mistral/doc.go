// Package mistral implements the remote-ocr engine on the Mistral OCR API.
// Images are sent inline as data URLs; PDFs are uploaded first and referenced
// through a signed URL.
package mistral
