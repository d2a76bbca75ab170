// Package device holds the types shared by the scanners, the discovery
// coordinator, the GATT session and server, and the radio backends:
//   - device records and LE scan records keyed by (technology, address)
//   - GATT status codes and scan/advertise failure codes
//   - the error taxonomy (not-ready, stack rejection, aborted transactions)
//   - UUID and address normalization, CCCD sentinel values
package device
