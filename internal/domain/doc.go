// Package domain defines core data models, the error taxonomy and the
// interfaces shared across murmur. Types live in the types subpackage and
// contracts in interfaces; both are aliased here for compact imports.
package domain
