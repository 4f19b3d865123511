// Package install gates the "install to home screen" affordance.
//
// The Controller answers a single question, Eligible, from three inputs: the
// validity of the most recently loaded manifest, the existence of an Active
// generation, and the host's install capability. Accept and Dismiss record the
// user's answer in the persistent store's reserved meta bucket so suppression
// survives restarts.
package install
