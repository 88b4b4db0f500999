// Package tabular reads parent sheets (note_url, image_list, video_url) from
// XLSX or CSV, submits each row as a parent, and exports composed results
// back to a workbook.
package tabular
