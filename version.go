package tmnet

// Version is advertised to peers in NodeInfo during handshake.
const Version = "0.1.0"
