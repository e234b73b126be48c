/*
Package nkn provides the multipath reliable session layer of the NKN client
SDK. A session delivers an ordered byte stream to a remote peer over a set of
redundant relay channels, each of which may drop, delay or reorder messages.
The package consists of a few components:

1. Fragment codec: Splits outgoing bytes into sequence numbered fragments no
larger than the max fragment size, and encodes them to the wire format.

2. Channel pool: Tracks liveness (active, degraded, dead) and RTT of every relay
channel of a session, and picks a channel for each outgoing fragment biased
toward lower RTT.

3. Send window: Keeps sent but unacknowledged fragments, applies backpressure
when the outstanding cap is reached, and retransmits fragments whose
acknowledgment does not arrive in time, possibly through another channel.

4. Reassembler: Buffers out of order fragments and delivers them to the reader
strictly in sequence order, acknowledging every fragment including duplicates.

5. Session and registry: Session implements net.Conn on top of the above.
Registry owns the channels to remote peers, opens and accepts sessions, and
demultiplexes inbound fragments by session id.

Relay transports implement the Channel interface. Package transport/mem
provides a lossy in-memory link for tests and benchmarks, and package
transport/websocket carries fragments over websocket connections.

Gomobile

Callback style types such as OnError and OnSession, and StringArray from
nkngomobile, keep the exported API usable from gomobile bindings.
*/
package nkn
