/*
Package attr implements the attribute model helpers used by every
request handler.

It builds on goipp's Message/Attributes types rather than redefining the
wire format: goipp owns encoding and decoding, this package owns the
semantic layer the scheduler needs on top of it.

	Find / String / Integer / Boolean / Strings   lookup helpers
	Adder                                         response builders
	Validate                                      syntax checks per value tag
	CopyInto                                      filtered attribute copies
	Requested                                     requested-attributes sets
	CheckGroupOrder                               request group ordering

CopyInto never copies document-password, job-authorization-uri,
job-password(-encryption), or job-printer-uri; those travel through
dedicated code paths only. Collection values are withheld from 1.x
requesters unless the attribute was requested by name.
*/
package attr
