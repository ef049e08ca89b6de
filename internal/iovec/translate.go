package iovec

// TranslateToHost copies original's fuzzed/replayed state onto host, the
// Go-native equivalent of translate_io_vec_to_host: it adapts an IOVec
// captured on one host (or a saved corpus entry) onto the register layout
// and capacity of the host currently running it. Register counts are
// clamped to whichever of the two carries fewer, since a captured IOVec
// may have been recorded on a host with more argument-passing registers
// than the one replaying it.
func TranslateToHost(original, host *IOVec) {
	if original == host {
		return
	}

	host.RandomSeed = original.RandomSeed

	regCount := len(original.InitialState.RegisterState)
	if hostCount := len(host.InitialState.RegisterState); hostCount < regCount {
		regCount = hostCount
	}
	for i := 0; i < regCount; i++ {
		host.InitialState.RegisterState[i].Value = original.InitialState.RegisterState[i].Value
		host.InitialState.RegisterState[i].IsPtr = original.InitialState.RegisterState[i].IsPtr
	}

	host.InitialState.AddressState = original.InitialState.AddressState.Copy()
	host.InitialState.PointerMemberLocations = original.InitialState.PointerMemberLocations.Copy()
	host.ExpectedState = original.ExpectedState.Copy()

	host.ReturnValue.Value = append([]byte(nil), original.ReturnValue.Value...)
	host.ReturnValue.IsPtr = original.ReturnValue.IsPtr

	host.SystemCalls.Clear()
	for _, s := range original.SystemCalls.ToSlice() {
		host.SystemCalls.Add(s)
	}
}
