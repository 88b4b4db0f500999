// Package dashscope implements the remote-transcribe engine on the DashScope
// paraformer file transcription API. Submission returns a task id; polling
// that task eventually yields per-file transcription documents, which are
// fetched, checked against a schema and reduced to plain text.
package dashscope
