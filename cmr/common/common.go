package common

// This package contains the error kinds shared by the buffer packages.
// Callers match them with errors.Is; every producer wraps them with context.
