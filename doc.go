// Package ethercat implements the EtherCAT datagram engine: frame
// composition, working-counter bookkeeping, and the master-side Bus that
// drives slave detection, state requests and cyclic process data.
//
// The slave-side state machine lives in package esm, the mailbox/CoE-SDO
// protocol in packages mailbox and coe, the object dictionary in od, the
// distributed clock engine in dc, and process data mapping in pdo.
package ethercat
