// Package tesseract implements the local-ocr engine with command line tools:
// tesseract for images, pdftotext for PDFs with a text layer, and pdftoppm
// plus tesseract for scanned PDFs.
package tesseract
