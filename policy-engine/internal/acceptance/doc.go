// Package acceptance runs the policy engine end to end against in-memory
// stores and catalog sources.
package acceptance
