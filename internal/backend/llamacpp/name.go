package llamacpp

// Name is the registry key of this backend.
const Name = "llama"
