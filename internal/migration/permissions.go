package migration

import (
	"github.com/bwmarrin/discordgo"

	"github.com/pontoon-chat/pontoon/internal/stoat"
)

// permAllSafe is every grantable target permission except the server-destroying ones;
// it is what a source Administrator role maps to.
const permAllSafe = stoat.PermManageChannel | stoat.PermManageServer | stoat.PermManagePermissions |
	stoat.PermManageRole | stoat.PermManageCustomisation | stoat.PermKickMembers | stoat.PermBanMembers |
	stoat.PermTimeoutMembers | stoat.PermAssignRoles | stoat.PermChangeNickname | stoat.PermManageNicknames |
	stoat.PermChangeAvatar | stoat.PermRemoveAvatars | stoat.PermViewChannel | stoat.PermReadMessageHistory |
	stoat.PermSendMessage | stoat.PermManageMessages | stoat.PermManageWebhooks | stoat.PermInviteOthers |
	stoat.PermSendEmbeds | stoat.PermUploadFiles | stoat.PermReact | stoat.PermConnect | stoat.PermSpeak |
	stoat.PermVideo | stoat.PermMuteMembers | stoat.PermDeafenMembers | stoat.PermMoveMembers |
	stoat.PermMentionEveryone | stoat.PermMentionRoles

// permPairs maps each source permission bit to its closest target equivalent. Bits with no
// analogue (audit log, TTS, insights, slash commands) drop silently.
var permPairs = []struct {
	src int64
	dst uint64
}{
	{discordgo.PermissionManageServer, stoat.PermManageServer},
	{discordgo.PermissionManageChannels, stoat.PermManageChannel},
	{discordgo.PermissionManageRoles, stoat.PermManageRole | stoat.PermManagePermissions | stoat.PermAssignRoles},
	{discordgo.PermissionManageGuildExpressions, stoat.PermManageCustomisation},
	{discordgo.PermissionManageWebhooks, stoat.PermManageWebhooks},
	{discordgo.PermissionKickMembers, stoat.PermKickMembers},
	{discordgo.PermissionBanMembers, stoat.PermBanMembers},
	{discordgo.PermissionModerateMembers, stoat.PermTimeoutMembers},
	{discordgo.PermissionChangeNickname, stoat.PermChangeNickname},
	{discordgo.PermissionManageNicknames, stoat.PermManageNicknames},
	{discordgo.PermissionCreateInstantInvite, stoat.PermInviteOthers},
	{discordgo.PermissionViewChannel, stoat.PermViewChannel},
	{discordgo.PermissionReadMessageHistory, stoat.PermReadMessageHistory},
	{discordgo.PermissionSendMessages, stoat.PermSendMessage},
	{discordgo.PermissionManageMessages, stoat.PermManageMessages},
	{discordgo.PermissionEmbedLinks, stoat.PermSendEmbeds},
	{discordgo.PermissionAttachFiles, stoat.PermUploadFiles},
	{discordgo.PermissionAddReactions, stoat.PermReact},
	{discordgo.PermissionMentionEveryone, stoat.PermMentionEveryone | stoat.PermMentionRoles},
	{discordgo.PermissionVoiceConnect, stoat.PermConnect},
	{discordgo.PermissionVoiceSpeak, stoat.PermSpeak},
	{discordgo.PermissionVoiceStreamVideo, stoat.PermVideo},
	{discordgo.PermissionVoiceMuteMembers, stoat.PermMuteMembers},
	{discordgo.PermissionVoiceDeafenMembers, stoat.PermDeafenMembers},
	{discordgo.PermissionVoiceMoveMembers, stoat.PermMoveMembers},
}

// mapPermissions converts a source role's permission set to the target allow mask. The
// deny side is always zero: source roles only grant at the server level.
func mapPermissions(perms int64) uint64 {
	if perms&discordgo.PermissionAdministrator != 0 {
		return permAllSafe
	}
	var allow uint64
	for _, pair := range permPairs {
		if perms&pair.src != 0 {
			allow |= pair.dst
		}
	}
	return allow
}
