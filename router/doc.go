// Package router decides which peer nodes receive each change.
//
// A channel carries an ordered list of rules, each targeting one node group.
// Within a group the first rule yielding nodes wins. Default rules are a
// fallback: they only fire when no other rule of the channel selected a node
// for the change. Rules read node state from a Context snapshot prepared
// once per pass, never from the database while a change is being routed.
package router
